package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	client "github.com/jsp-lqk/memcached-dispatch"
)

const workers = 4

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := client.ConfigFromEnv()
	if err != nil {
		log.Error("reading configuration", "error", err)
		os.Exit(1)
	}
	cfg.Logger = log
	c, err := client.NewWithConfig(cfg)
	if err != nil {
		log.Error("building client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wc, err := c.Clone()
		if err != nil {
			log.Error("cloning client", "error", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func(w int, wc *client.Client) {
			defer wg.Done()
			defer wc.Close()
			for i := w; i < 100; i += workers {
				o, err := wc.SetRaw(strconv.Itoa(i), []byte(fmt.Sprintf("value-%d", i)), 0)
				if err != nil {
					fmt.Println("Error:", err.Error())
					continue
				}
				fmt.Println("set", i, o)
			}
		}(w, wc)
	}
	wg.Wait()

	if _, err = c.Delete("a"); err != nil {
		fmt.Println("delete:", err.Error())
	}

	keys := make([]string, 0, 110)
	for i := 0; i < 110; i++ {
		keys = append(keys, strconv.Itoa(i))
	}
	s, err := c.BeginGetMulti(keys)
	if err != nil {
		log.Error("starting multi-get", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for rounds := 1; ; rounds++ {
		results, readSet, writeSet, err := c.ContinueGetMulti(s)
		if err != nil {
			log.Error("continuing multi-get", "error", err)
			os.Exit(1)
		}
		fmt.Printf("round %d: %d values, waiting on %d reads and %d writes\r\n", rounds, len(results), len(readSet), len(writeSet))
		if len(readSet) == 0 && len(writeSet) == 0 {
			break
		}
		if err := client.Wait(ctx, readSet, writeSet); err != nil {
			s.Abandon()
			log.Error("waiting for replies", "error", err)
			break
		}
	}
	if err := s.Err(); err != nil {
		fmt.Println("Error:", err.Error())
	}

	stats, err := c.Stats()
	if err != nil {
		fmt.Println("stats:", err.Error())
		return
	}
	fmt.Println("curr_items:", stats["curr_items"])
	fmt.Println("version:", stats["version"])
}
