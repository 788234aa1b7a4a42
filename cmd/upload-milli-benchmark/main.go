package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/cmd/upload-milli-benchmark/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.RootCmd().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}
