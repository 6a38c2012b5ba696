package main

import "github.com/opentiny/next-sdk/cmd"

func main() {
	cmd.Execute()
}
