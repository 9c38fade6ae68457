package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Cypherspark/sms-outreach/internal/core"
	"github.com/Cypherspark/sms-outreach/internal/render"
)

type BulkOptions struct {
	// Delay paces consecutive sends.
	Delay time.Duration
	// AbortOnError stops at the first Send error and returns it wrapped in a
	// *BulkError. When false the error text becomes a failed detail, with
	// status core.SendTransient for retryable errors.
	AbortOnError bool
	// Progress, when set, sees every detail right after it is produced. A
	// non-nil return aborts the run.
	Progress func(core.SendResult) error
}

type BulkResult struct {
	Total        int               `json:"total"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	Details      []core.SendResult `json:"details"`
}

// BulkError carries the index of the recipient whose send aborted the run.
// Details produced before it are still in the accompanying BulkResult.
type BulkError struct {
	FailedIndex int
	Err         error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("bulk send aborted at recipient %d: %v", e.FailedIndex, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }

// SendBulk renders body for each recipient and sends sequentially.
func SendBulk(ctx context.Context, p Provider, recipients []core.Recipient, body string, opt BulkOptions) (BulkResult, error) {
	out := BulkResult{Total: len(recipients), Details: make([]core.SendResult, 0, len(recipients))}

	for i, r := range recipients {
		res, err := p.Send(ctx, r.Phone, render.Message(body, r.Name))
		if err != nil {
			if opt.AbortOnError {
				return out, &BulkError{FailedIndex: i, Err: err}
			}
			res = Result{Status: "failed", Error: err.Error()}
			if IsTransient(err) {
				res.Status = core.SendTransient
			}
		}

		d := core.SendResult{
			Phone:     r.Phone,
			Name:      r.Name,
			Success:   res.Success,
			MessageID: res.MessageID,
			Status:    res.Status,
			Error:     res.Error,
		}
		out.Details = append(out.Details, d)
		if d.Success {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}

		if opt.Progress != nil {
			if err := opt.Progress(d); err != nil {
				return out, &BulkError{FailedIndex: i, Err: err}
			}
		}

		if opt.Delay > 0 && i < len(recipients)-1 {
			select {
			case <-ctx.Done():
				return out, &BulkError{FailedIndex: i + 1, Err: ctx.Err()}
			case <-time.After(opt.Delay):
			}
		}
	}
	return out, nil
}
