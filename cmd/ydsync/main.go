package main

import "github.com/MozGangster/ydsync/internal/cli"

func main() {
	cli.Execute()
}
