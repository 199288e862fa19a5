package main

import "github.com/Martian-dev/trace-crm/internal/app"

func main() {
	app.Execute()
}
