package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chromedp/cdproto/runtime"

	"github.com/browsermill/browsermill/internal/automation"
)

func TestCaptureName(t *testing.T) {
	t.Parallel()

	named := automation.Step{Kind: automation.StepScreenshot, Name: "checkout.png"}
	if got := captureName(named, 3, "png"); got != "checkout.png" {
		t.Fatalf("expected explicit name, got %q", got)
	}

	anon := automation.Step{Kind: automation.StepCaptureHTML}
	if got := captureName(anon, 3, "html"); got != "step-3.html" {
		t.Fatalf("expected derived name, got %q", got)
	}
}

func TestIsScriptFault(t *testing.T) {
	t.Parallel()

	exc := &runtime.ExceptionDetails{Text: "Uncaught ReferenceError"}
	if !isScriptFault(fmt.Errorf("evaluate: %w", exc)) {
		t.Fatal("expected JS exception to be a script fault")
	}
	if isScriptFault(errors.New("net::ERR_CONNECTION_REFUSED")) {
		t.Fatal("expected network error to not be a script fault")
	}
}

func TestNoopFactoryError(t *testing.T) {
	t.Parallel()

	factory := NewNoopFactory()
	if _, err := factory.NewSession(context.Background()); err == nil {
		t.Fatal("expected error from noop factory")
	}
}
