package main

import "github.com/rudransh-shrivastava/dropbridge/internal/cmd"

func main() {
	cmd.Execute()
}
