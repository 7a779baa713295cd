package scheduler

import (
	"fmt"
	"os"

	"github.com/tanq16/vidrelay/internal/manager"
	"gopkg.in/yaml.v3"
)

// Entry is one item of a batch file.
type Entry struct {
	Title     string   `yaml:"title"`
	Output    string   `yaml:"output"`
	Links     []string `yaml:"links"`
	Size      int64    `yaml:"size"`
	Segments  int      `yaml:"segments"`
	NoSegment bool     `yaml:"no_segment"`
	Publish   string   `yaml:"publish"`
}

func LoadBatch(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading batch file: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing batch file: %w", err)
	}
	for i, e := range entries {
		if len(e.Links) == 0 {
			return nil, fmt.Errorf("batch entry %d (%q) has no links", i+1, e.Title)
		}
	}
	return entries, nil
}

// Request turns an entry into a manager request. A single link with an
// output path writes exactly there; otherwise output names a directory.
func (e Entry) Request(defaultDir string) manager.Request {
	req := manager.Request{
		Title:               e.Title,
		OutputDir:           defaultDir,
		TotalSize:           e.Size,
		SegmentHint:         e.Segments,
		DisableSegmentation: e.NoSegment,
	}
	single := len(e.Links) == 1 && e.Output != ""
	if !single && e.Output != "" {
		req.OutputDir = e.Output
	}
	for i, link := range e.Links {
		p := manager.Part{URL: link}
		if single {
			p.OutputPath = e.Output
		} else if len(e.Links) > 1 {
			p.Title = fmt.Sprintf("P%d", i+1)
		}
		req.Parts = append(req.Parts, p)
	}
	return req
}
