package main

import (
	"github.com/heraldbot/herald/common/run"
	"github.com/heraldbot/herald/streamwatch"
)

func main() {
	run.Init()

	streamwatch.RegisterPlugin()

	run.Run()
}
