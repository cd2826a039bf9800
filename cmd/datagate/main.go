package main

import "github.com/datagate-io/datagate/cmd/datagate/cmd"

func main() {
	cmd.Execute()
}
