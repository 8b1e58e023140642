package main

import "github.com/ayobaapps/bgm-recorder/internal/app"

func main() {
	app.Main()
}
