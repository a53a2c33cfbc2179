package main

import "github.com/dtb-go/evaluator/cmd"

func main() {
	cmd.Execute()
}
