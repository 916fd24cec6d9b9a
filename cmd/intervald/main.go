package main

import (
	"os"

	logx "intervalpool/pkg/logx"
)

func main() {
	if err := Execute(); err != nil {
		logx.NewConsole("error").Error("intervald failed", logx.Err(err))
		os.Exit(1)
	}
}
