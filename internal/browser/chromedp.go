// Package browser contains session factories backed by real browsers.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
)

// Config controls the behavior of chromedp-backed sessions.
type Config struct {
	UserAgent string
	// NavigationWait is an extra settle pause after navigations, for pages
	// that render after load.
	NavigationWait time.Duration
}

// Factory spawns chromedp sessions off a shared exec allocator, so every
// session is its own Chrome tab group but browser binaries are shared.
type Factory struct {
	cfg         Config
	idGen       automation.IDGenerator
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewFactory creates a chromedp session factory.
func NewFactory(cfg Config, idGen automation.IDGenerator, logger *zap.Logger) *Factory {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Factory{
		cfg:         cfg,
		idGen:       idGen,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// NewSession spawns a browser context and waits until it answers CDP commands.
func (f *Factory) NewSession(ctx context.Context) (automation.BrowserSession, error) {
	id, err := f.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	browserCtx, cancel := chromedp.NewContext(f.allocator)

	setup := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if f.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
	}
	if err := runBound(ctx, browserCtx, setup...); err != nil {
		cancel()
		return nil, fmt.Errorf("spawn session: %w", err)
	}

	f.logger.Info("browser session spawned", zap.String("session_id", id))
	return &session{
		id:     id,
		ctx:    browserCtx,
		cancel: cancel,
		cfg:    f.cfg,
		logger: f.logger.With(zap.String("session_id", id)),
	}, nil
}

// Close tears down the allocator and every session spawned from it.
func (f *Factory) Close() {
	f.allocCancel()
}

// session is one live Chrome tab reused across jobs.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	logger *zap.Logger
}

func (s *session) ID() string { return s.id }

// Run executes the script step by step, polling the cancellation flag between
// steps. The caller's context carries the per-job timeout; exceeding it
// surfaces as the context error so the executor can classify it.
func (s *session) Run(ctx context.Context, req automation.RunRequest) (automation.RunReport, error) {
	var report automation.RunReport
	for i, step := range req.Script.Steps {
		if req.Cancelled != nil && req.Cancelled() {
			return report, automation.ErrCancelled
		}
		capture, err := s.runStep(ctx, i, step, req.JobID)
		if err != nil {
			return report, err
		}
		if capture != nil {
			report.Captures = append(report.Captures, *capture)
		}
		report.Steps++
	}
	return report, nil
}

func (s *session) runStep(ctx context.Context, index int, step automation.Step, jobID string) (*automation.Capture, error) {
	var (
		capture *automation.Capture
		actions []chromedp.Action
	)
	switch step.Kind {
	case automation.StepNavigate:
		actions = append(actions,
			chromedp.Navigate(step.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
		if s.cfg.NavigationWait > 0 {
			actions = append(actions, chromedp.Sleep(s.cfg.NavigationWait))
		}
	case automation.StepWaitVisible:
		actions = append(actions, chromedp.WaitVisible(step.Selector, chromedp.ByQuery))
	case automation.StepClick:
		actions = append(actions, chromedp.Click(step.Selector, chromedp.ByQuery))
	case automation.StepType:
		actions = append(actions, chromedp.SendKeys(step.Selector, step.Text, chromedp.ByQuery))
	case automation.StepEvaluate:
		actions = append(actions, chromedp.Evaluate(step.Expression, nil))
	case automation.StepSleep:
		actions = append(actions, chromedp.Sleep(step.Duration()))
	case automation.StepExtractText:
		var text string
		actions = append(actions,
			chromedp.Text(step.Selector, &text, chromedp.ByQuery),
			chromedp.ActionFunc(func(context.Context) error {
				capture = &automation.Capture{
					Name:        captureName(step, index, "txt"),
					ContentType: "text/plain; charset=utf-8",
					Body:        []byte(text),
				}
				return nil
			}),
		)
	case automation.StepCaptureHTML:
		var html string
		actions = append(actions,
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
			chromedp.ActionFunc(func(context.Context) error {
				capture = &automation.Capture{
					Name:        captureName(step, index, "html"),
					ContentType: "text/html; charset=utf-8",
					Body:        []byte(html),
				}
				return nil
			}),
		)
	case automation.StepScreenshot:
		var buf []byte
		actions = append(actions,
			chromedp.FullScreenshot(&buf, 90),
			chromedp.ActionFunc(func(context.Context) error {
				capture = &automation.Capture{
					Name:        captureName(step, index, "png"),
					ContentType: "image/png",
					Body:        buf,
				}
				return nil
			}),
		)
	default:
		return nil, &automation.StepError{
			Step:  index,
			Kind:  step.Kind,
			Fatal: true,
			Err:   fmt.Errorf("unsupported step kind %q", step.Kind),
		}
	}

	if err := runBound(ctx, s.ctx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug("step failed",
			zap.String("job_id", jobID),
			zap.Int("step", index),
			zap.String("kind", string(step.Kind)),
			zap.Error(err),
		)
		return nil, &automation.StepError{
			Step:  index,
			Kind:  step.Kind,
			Fatal: isScriptFault(err),
			Err:   err,
		}
	}
	return capture, nil
}

func (s *session) Close(context.Context) error {
	s.cancel()
	return nil
}

// runBound runs chromedp actions in the session's browser context while
// honoring the caller's deadline and cancellation. The browser context
// outlives the call; only the run is interrupted.
func runBound(ctx context.Context, browserCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// isScriptFault reports whether the failure came from the script itself, such
// as a JavaScript exception, rather than from the page or the browser.
func isScriptFault(err error) bool {
	var exc *runtime.ExceptionDetails
	return errors.As(err, &exc)
}

func captureName(step automation.Step, index int, ext string) string {
	if step.Name != "" {
		return step.Name
	}
	return fmt.Sprintf("step-%d.%s", index, ext)
}
