package main

import (
	"github.com/replaykit/retrace/pkg/app"
)

func main() {
	app.Run()
}
