package main

import "github.com/Siddhant-K-code/ctxcache/cmd"

func main() {
	cmd.Execute()
}
