package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/fleetsync/cmd/fleetsync/app"
)

func main() {
	app.NewApp().Run()
}
