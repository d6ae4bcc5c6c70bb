package main

import "github.com/BangRocket/mypalclara/cmd"

func main() {
	cmd.Execute()
}
