package pipeline

import (
	"testing"

	"go.uber.org/goleak"
)

// Evidence fan-out and parallel drafts must join every goroutine they start.
// The opencensus view worker is started by an init in the genai import chain.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}
