package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("RELAY_TEST_MODE", "1")
	})
}

func init() {
	ensureTestMode()
}

// TestMain is shared by packages that want the test-mode env set before any
// test runs. Blank-importing the package is enough for the common case.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
