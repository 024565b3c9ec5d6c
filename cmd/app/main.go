package main

import (
	"tablegate/internal/pkg/cli"
)

func main() {
	cli.Execute()
}
