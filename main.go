package main

import (
	"github.com/ewrogers/postgredis/cmd"
)

func main() {
	cmd.Execute()
}
