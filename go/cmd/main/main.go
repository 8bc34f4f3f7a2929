package main

import (
	"github.com/simplehv/simplehv/go/cmd"

	_ "github.com/simplehv/simplehv/go/cmd/info"
	_ "github.com/simplehv/simplehv/go/cmd/run"
	_ "github.com/simplehv/simplehv/go/cmd/state"
	_ "github.com/simplehv/simplehv/go/cmd/wrap"
)

func main() { cmd.Main() }
