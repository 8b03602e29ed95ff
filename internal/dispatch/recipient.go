package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type outcome int

const (
	outcomeDone outcome = iota
	outcomeInterrupted
	outcomeAutoPaused
)

// AutoPauseTag prefixes error records written by the circuit breaker.
const AutoPauseTag = "[AUTO_PAUSE]"

// sendState survives retries of one recipient so a multi-part sequence
// resumes at the part that failed.
type sendState struct {
	address  string
	nextPart int
}

// processRecipient sends the whole message sequence to the recipient at idx.
// outcomeDone means the recipient reached sent or failed and the index may
// advance; the other outcomes leave it pending.
func (l *Loop) processRecipient(ctx, sctx context.Context, idx int) (outcome, error) {
	l.mu.Lock()
	r := l.recipients[idx]
	loc, err := windowLocation(l.window)
	l.mu.Unlock()
	if err != nil {
		loc = time.Local
	}

	vars := timeVariables(l.clock.Now().In(loc))
	for k, v := range r.Variables {
		vars[k] = v
	}

	st := &sendState{}
	for attempt := 0; ; attempt++ {
		err := l.deliver(ctx, r, vars, st)
		if err == nil {
			return outcomeDone, l.markSent(sctx, r)
		}
		if ctx.Err() != nil {
			return outcomeInterrupted, nil
		}

		kind := Classify(err)
		if kind.TripsCircuit() {
			l.tripCircuit(sctx, r, kind, err, attempt)
			return outcomeAutoPaused, nil
		}
		if !l.opts.Retry.ShouldRetry(kind, attempt) {
			return outcomeDone, l.markFailed(sctx, r, kind, err, attempt)
		}

		delay := l.opts.Retry.Delay(kind, attempt)
		l.log.Debug().Err(err).Int64("recipient_id", r.ID).Str("kind", string(kind)).
			Int("attempt", attempt+1).Dur("backoff", delay).Msg("send failed, retrying")

		// Once a part has gone out the rest of the sequence is finished
		// before a pause or cancel is honoured.
		fresh := st.nextPart == 0
		if !l.sleep(ctx, delay, fresh) {
			return outcomeInterrupted, nil
		}
		if fresh && l.pendingRequest() != "" {
			return outcomeInterrupted, nil
		}
	}
}

func (l *Loop) deliver(ctx context.Context, r *model.Recipient, vars map[string]string, st *sendState) error {
	if st.address == "" {
		addr, err := l.resolveAddress(ctx, r.Address)
		if err != nil {
			return err
		}
		st.address = addr
	}

	for st.nextPart < len(l.specs) {
		part := st.nextPart
		spec := l.specs[part]

		var text string
		var chosen []string
		if strings.TrimSpace(spec.Body) != "" {
			res := l.deps.Renderer.Render(spec.Body, vars)
			if !res.Success {
				return &ClassifiedError{
					Kind: KindUnknown,
					Err:  fmt.Errorf("render message %d: %s", part+1, strings.Join(res.Errors, "; ")),
				}
			}
			if len(res.Missing) > 0 {
				l.log.Debug().Int64("recipient_id", r.ID).Strs("missing", res.Missing).Msg("template variables missing")
			}
			text, chosen = res.FinalText, res.ChosenVariants
		}

		if _, err := l.send(ctx, st.address, spec, text); err != nil {
			return err
		}
		if len(chosen) > 0 {
			l.recordVariants(ctx, model.VariantChoice{
				CampaignID:  l.id,
				RecipientID: r.ID,
				Part:        part,
				Variants:    chosen,
				CreatedAt:   l.clock.Now(),
			})
		}

		st.nextPart++
		if st.nextPart < len(l.specs) {
			gap := l.deps.Humanizer.Delay(int(l.opts.InterMessageMin.Milliseconds()), int(l.opts.InterMessageMax.Milliseconds()))
			if !l.sleep(ctx, gap, false) {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (l *Loop) resolveAddress(ctx context.Context, addr string) (string, error) {
	if IsGroupAddress(addr) || l.deps.Validator == nil {
		return addr, nil
	}
	res, err := l.deps.Validator.Validate(ctx, addr, l.token)
	if err != nil {
		return "", err
	}
	if !res.IsValid {
		return "", &ClassifiedError{Kind: KindInvalidNumber, Err: fmt.Errorf("invalid number %s: %s", addr, res.Error)}
	}
	if res.CanonicalAddress == "" {
		return addr, nil
	}
	return res.CanonicalAddress, nil
}

func (l *Loop) send(ctx context.Context, to string, spec model.MessageSpec, text string) (*gateway.Receipt, error) {
	gw := l.deps.Gateway
	switch spec.Kind {
	case model.MessageImage, model.MessageVideo, model.MessageDocument:
		if spec.MediaURL == "" {
			return nil, &ClassifiedError{Kind: KindUnknown, Err: fmt.Errorf("%s message has no media url", spec.Kind)}
		}
	}

	switch spec.Kind {
	case model.MessageImage:
		return gw.SendImage(ctx, l.token, to, spec.MediaURL, text)
	case model.MessageVideo:
		return gw.SendVideo(ctx, l.token, to, spec.MediaURL, text)
	case model.MessageDocument:
		return gw.SendDocument(ctx, l.token, to, spec.MediaURL, text)
	default:
		if text == "" {
			return nil, &ClassifiedError{Kind: KindUnknown, Err: errors.New("text message is empty")}
		}
		return gw.SendText(ctx, l.token, to, text)
	}
}

func (l *Loop) markSent(ctx context.Context, r *model.Recipient) error {
	now := l.clock.Now()
	status := model.RecipientSent
	empty := ""
	err := l.deps.Store.UpdateRecipient(ctx, r.ID, model.RecipientPatch{
		Status:       &status,
		SentAt:       &now,
		ErrorType:    &empty,
		ErrorMessage: &empty,
	})
	if err != nil {
		return fmt.Errorf("mark recipient %d sent: %w", r.ID, err)
	}

	l.mu.Lock()
	r.Status = status
	r.SentAt = &now
	l.sent++
	l.mu.Unlock()
	return nil
}

func (l *Loop) markFailed(ctx context.Context, r *model.Recipient, kind Kind, cause error, attempt int) error {
	now := l.clock.Now()
	status := model.RecipientFailed
	kindStr, msg := string(kind), cause.Error()
	err := l.deps.Store.UpdateRecipient(ctx, r.ID, model.RecipientPatch{
		Status:       &status,
		ErrorType:    &kindStr,
		ErrorMessage: &msg,
	})
	if err != nil {
		return fmt.Errorf("mark recipient %d failed: %w", r.ID, err)
	}

	l.mu.Lock()
	r.Status = status
	r.ErrorType, r.ErrorMessage = kindStr, msg
	l.failed++
	l.recent.push(ErrorEntry{RecipientID: r.ID, Address: r.Address, Kind: kind, Message: msg, Attempts: attempt + 1, At: now})
	l.mu.Unlock()

	l.log.Warn().Int64("recipient_id", r.ID).Str("kind", kindStr).Int("attempts", attempt+1).Str("error", msg).Msg("recipient failed")
	l.recordError(ctx, r.ID, kind, msg, attempt)
	return nil
}

// tripCircuit pauses the campaign without touching the recipient row, so the
// same recipient is attempted again after a resume.
func (l *Loop) tripCircuit(ctx context.Context, r *model.Recipient, kind Kind, cause error, attempt int) {
	msg := AutoPauseTag + " " + cause.Error()

	l.mu.Lock()
	l.recent.push(ErrorEntry{RecipientID: r.ID, Address: r.Address, Kind: kind, Message: msg, Attempts: attempt + 1, AutoPause: true, At: l.clock.Now()})
	l.mu.Unlock()

	l.log.Warn().Int64("recipient_id", r.ID).Str("kind", string(kind)).Err(cause).Msg("gateway unusable, pausing campaign")
	l.recordError(ctx, r.ID, kind, msg, attempt)
	if err := l.Pause(); err != nil {
		l.log.Debug().Err(err).Msg("auto-pause not applied")
	}
}

func (l *Loop) recordError(ctx context.Context, recipientID int64, kind Kind, msg string, retries int) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error().Interface("panic", p).Msg("error record dropped")
		}
	}()
	id := recipientID
	l.events.RecordError(ctx, model.ErrorRecord{
		CampaignID:   l.id,
		RecipientID:  &id,
		ErrorType:    string(kind),
		ErrorMessage: msg,
		RetryCount:   retries,
		CreatedAt:    l.clock.Now(),
	})
}

func (l *Loop) recordVariants(ctx context.Context, choice model.VariantChoice) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error().Interface("panic", p).Msg("variant record dropped")
		}
	}()
	l.events.RecordVariants(ctx, choice)
}
