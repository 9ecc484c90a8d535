package main

import (
	"github.com/metal-toolbox/lbcfg/cmd"
	"github.com/metal-toolbox/lbcfg/internal/log"
)

func main() {
	log.InitLogger()
	cmd.Execute()
}
