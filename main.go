package main

import "github.com/encodeous/bristlemouth/cmd"

func main() {
	cmd.Execute()
}
