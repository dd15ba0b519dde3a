package main

// Start up driver as a service

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/config"
	"github.com/attolab/stm-driver/src/stm-driver/firmware"
	"github.com/attolab/stm-driver/src/stm-driver/logging"
	"github.com/attolab/stm-driver/src/stm-driver/mockrig"
	"github.com/attolab/stm-driver/src/stm-driver/server"
)

type program struct {
	logger *logrus.Logger
	cfg    *config.Config
	close  context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	if !service.Interactive() {
		systemLogger, err := s.Logger(nil)
		if err == nil {
			p.logger.AddHook(logging.NewSystemHook(systemLogger))
		}
	}
	p.close = server.Start(p.logger, p.cfg)
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.close()
	return nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "update-firmware":
			firmware.Command(os.Args[2:])
			return
		case "simulate":
			simulate(os.Args[2:])
			return
		}
	}

	startFlags := flag.NewFlagSet("stm-driver", flag.ExitOnError)
	configPath := startFlags.String("c", "", "Configuration file path")
	startFlags.Parse(os.Args[1:])

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}

	logger := logrus.New()
	logger.SetFormatter(logging.UTCFormatter{Formatter: &logrus.JSONFormatter{}})

	svcConfig := &service.Config{
		Name:        "StmDriver",
		DisplayName: "STM Driver",
		Description: "Driver application for scanning tunneling microscope rigs.",
	}

	prg := &program{logger: logger, cfg: cfg}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	log.Fatal(s.Run())
}

// simulate runs a standalone rig simulator, announced over mDNS so the
// driver's discovery finds it like real hardware.
func simulate(flags []string) {
	simFlags := flag.NewFlagSet("simulate", flag.ExitOnError)
	address := simFlags.String("address", "127.0.0.1:47823", "Listen address for the simulated rig")
	simFlags.Parse(flags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig, err := mockrig.Start(ctx, *address, true)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Simulated rig listening on %s\n", rig.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
