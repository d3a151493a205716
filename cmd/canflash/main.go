package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/ecutools/canflash/cmd/canflash/cmd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt)
	go func() {
		s := <-quitChan
		log.Printf("got %v, exiting", s)
		cancel()
		// failsafe if something deadlocks on shutdown
		<-time.After(45 * time.Second)
		log.Fatal("took too long to shut down, forcefully exiting")
	}()

	cmd.Execute(ctx)
}
