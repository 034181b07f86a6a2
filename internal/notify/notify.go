// Package notify delivers pipeline outcomes to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"gopkg.in/yaml.v3"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// Notifier reports one terminal outcome.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, out domain.PipelineOutcome) error
}

// Observer records delivery results.
type Observer interface {
	ObserveNotify(notifier string, err error)
}

// Title renders the one-line headline for an outcome.
func Title(out domain.PipelineOutcome) string {
	return fmt.Sprintf("ratings batch %s: %s", out.Source, out.Status)
}

// Body renders the outcome as YAML.
func Body(out domain.PipelineOutcome) (string, error) {
	b, err := yaml.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("render outcome: %w", err)
	}
	return string(b), nil
}

// ShoutrrrNotifier sends outcomes to every configured service URL.
type ShoutrrrNotifier struct {
	sender      *router.ServiceRouter
	onlyProblem bool
}

// NewShoutrrr builds a sender for the given service URLs. When onlyProblems
// is set, successful outcomes are not sent.
func NewShoutrrr(urls []string, timeout time.Duration, onlyProblems bool) (*ShoutrrrNotifier, error) {
	cleaned := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			cleaned = append(cleaned, u)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("notify: at least one URL is required")
	}
	sender, err := shoutrrr.CreateSender(cleaned...)
	if err != nil {
		// Service URLs may carry tokens, so only the error kind is surfaced.
		return nil, fmt.Errorf("notify: invalid service url: %s", redact(err))
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrNotifier{sender: sender, onlyProblem: onlyProblems}, nil
}

func (s *ShoutrrrNotifier) Name() string { return "shoutrrr" }

func (s *ShoutrrrNotifier) Notify(_ context.Context, out domain.PipelineOutcome) error {
	if s.onlyProblem && out.Status == domain.StatusSuccess {
		return nil
	}
	body, err := Body(out)
	if err != nil {
		return err
	}
	params := stypes.Params{}
	params.SetTitle(Title(out))
	for _, e := range s.sender.Send(body, &params) {
		if e != nil {
			return fmt.Errorf("notify: send: %s", redact(e))
		}
	}
	return nil
}

// LogNotifier writes outcomes to a logger.
type LogNotifier struct {
	logger *log.Logger
}

func NewLog(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(_ context.Context, out domain.PipelineOutcome) error {
	msg := fmt.Sprintf("notify: batch=%s source=%s status=%s accepted=%d rejected=%d inserted=%d failed=%d refreshed=%t",
		out.BatchID, out.Source, out.Status, out.AcceptedCount, out.RejectedCount, out.InsertedCount, out.FailedCount, out.Refreshed)
	if out.ErrorDetail != "" {
		msg += " error=" + out.ErrorDetail
	}
	l.logger.Print(msg)
	return nil
}

// Fanout delivers to every notifier and joins their errors. A failing
// notifier does not stop the others.
type Fanout struct {
	notifiers []Notifier
	observer  Observer
	logger    *log.Logger
}

func NewFanout(observer Observer, logger *log.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = log.Default()
	}
	return &Fanout{notifiers: notifiers, observer: observer, logger: logger}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Notify(ctx context.Context, out domain.PipelineOutcome) error {
	var errs []error
	for _, n := range f.notifiers {
		err := n.Notify(ctx, out)
		if f.observer != nil {
			f.observer.ObserveNotify(n.Name(), err)
		}
		if err != nil {
			f.logger.Printf("notify: %s failed for batch %s: %v", n.Name(), out.BatchID, err)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// redact keeps the part of an error message before any embedded URL.
func redact(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "://"); i >= 0 {
		start := strings.LastIndexAny(msg[:i], " \"'") + 1
		end := strings.IndexAny(msg[i:], " \"'")
		if end < 0 {
			end = len(msg) - i
		}
		msg = msg[:start] + "[redacted]" + msg[i+end:]
	}
	return msg
}
