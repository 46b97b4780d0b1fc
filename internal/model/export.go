package model

import "time"

// PaperExport is the top-level JSON structure for exporting generated papers.
type PaperExport struct {
	ExportedAt time.Time     `json:"exported_at"`
	Subject    string        `json:"subject,omitempty"`
	Grade      string        `json:"grade,omitempty"`
	NumPapers  int           `json:"num_papers"`
	Papers     []PaperRecord `json:"papers"`
}

// PaperRecord holds one stored paper with its source question usage for export.
type PaperRecord struct {
	Paper     Paper            `json:"paper"`
	Sources   []SourceQuestion `json:"sources"`
	Selection string           `json:"selection_id,omitempty"`
}

// SourceQuestion is a corpus question referenced by a stored paper.
type SourceQuestion struct {
	ID        string `json:"id"`
	SectionID string `json:"section_id"`
	Number    int    `json:"number"`
	Role      string `json:"role"`
	Chapter   string `json:"chapter"`
	Marks     int    `json:"marks"`
}
