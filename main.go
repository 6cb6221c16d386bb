package main

import "github.com/patchplan/patchplan/internal/cli"

func main() {
	cli.Execute()
}
