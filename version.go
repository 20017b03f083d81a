package main

import (
	"fmt"

	"github.com/any-hub/stream-cache/internal/logging"
	"github.com/any-hub/stream-cache/internal/version"
)

// printVersion 输出版本行与一行 key=value 形式的服务标识。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "service=%s version=%s commit=%s\n", logging.ServiceName, version.Version, version.Revision())
}
