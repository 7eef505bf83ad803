package scheduler

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
)

var ErrValidation = errors.New("invalid scheduling request")

// ValidationError lists every field problem of a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// normalizeRecipients trims, validates and de-duplicates addresses. Order of
// first appearance is kept.
func normalizeRecipients(raw []string) ([]string, []string) {
	var problems []string

	trimmed := slicez.Map(raw, strings.TrimSpace)
	trimmed = slicez.Reject(trimmed, compare.EqualOf(""))

	addrs := make([]string, 0, len(trimmed))
	for _, r := range trimmed {
		a, err := mail.ParseAddress(r)
		if err != nil || a.Address != r {
			problems = append(problems, fmt.Sprintf("invalid email address %q", r))
			continue
		}
		addrs = append(addrs, strings.ToLower(a.Address))
	}
	return slicez.Uniq(addrs), problems
}

func (s *Service) validate(req *Request) error {
	var problems []string

	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		problems = append(problems, "subject is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		problems = append(problems, "body is required")
	}

	recipients, bad := normalizeRecipients(req.Recipients)
	problems = append(problems, bad...)
	switch {
	case len(recipients) == 0 && len(bad) == 0:
		problems = append(problems, "at least one recipient is required")
	case s.cfg.MaxBatchSize > 0 && len(recipients) > s.cfg.MaxBatchSize:
		problems = append(problems, fmt.Sprintf("at most %d recipients per batch, got %d", s.cfg.MaxBatchSize, len(recipients)))
	}
	req.Recipients = recipients

	if req.MinDelayMs != nil && *req.MinDelayMs <= 0 {
		problems = append(problems, "minDelayMs must be positive")
	}
	if req.MaxEmailsPerHour != nil && *req.MaxEmailsPerHour <= 0 {
		problems = append(problems, "maxEmailsPerHour must be positive")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
