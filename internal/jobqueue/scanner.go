package jobqueue

import (
	"fmt"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding is a single leaked credential located in patch text.
type Finding struct {
	RuleID      string
	Description string
}

// SecretScanner checks patch text for leaked credentials.
type SecretScanner interface {
	Scan(content string) []Finding
}

// gitleaksScanner runs the stock gitleaks ruleset. The detector is safe for
// concurrent use, so one instance serves all workers.
type gitleaksScanner struct {
	detector *detect.Detector
}

// NewSecretScanner builds a scanner backed by the default gitleaks rules.
func NewSecretScanner() (SecretScanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks default config: %w", err)
	}
	return &gitleaksScanner{detector: detector}, nil
}

func (s *gitleaksScanner) Scan(content string) []Finding {
	var findings []Finding
	for _, f := range s.detector.DetectString(content) {
		findings = append(findings, Finding{RuleID: f.RuleID, Description: f.Description})
	}
	return findings
}
