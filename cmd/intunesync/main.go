// Command intunesync mirrors Microsoft Intune / Graph collections into one or
// more SQL databases.
package main

import (
	"fmt"
	"os"

	"intunesync/internal/logging"

	"go.uber.org/zap"

	// register every storage backend; the config picks which ones to open.
	_ "intunesync/internal/storage/all"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		l := logging.Fallback()
		l.Error("command failed", zap.Error(err))
		_ = l.Sync()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
