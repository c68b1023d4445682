package deej

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/jax-b/bsdeej/pkg/deej/util"
)

const (
	crashlogFilename        = "bsdeej-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        bsdeej crashlog
-----------------------------------------------------------------
bsdeej has crashed. Please attach this file when reporting the issue.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// recoverFromPanic must be deferred directly by the goroutine it protects
func (d *Deej) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	crashlog := fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, debug.Stack())
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, []byte(crashlog), 0o644); err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	d.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	d.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	// nobody is left to drain the stop channel by now, so just leave
	d.logger.Sync()
	d.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}
