// Soak test for the messaging core: pairs of identities exchange messages
// through the reconnecting client SDK and verify that everything sent was
// received exactly once on the other side.
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablink/messaging/client"
	"github.com/fablink/messaging/internal/identity"
	"github.com/fablink/messaging/internal/logging"
	"github.com/fablink/messaging/internal/messaging"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "messaging server base URL")
	secret := flag.String("secret", "", "JWT secret shared with the server (mints test identities)")
	pairs := flag.Int("pairs", 50, "number of conversation pairs")
	msgs := flag.Int("msgs", 20, "messages per participant")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})
	log := logging.Logger()

	if *secret == "" {
		log.Fatal().Msg("-secret is required")
	}
	verifier := identity.NewVerifier(*secret)

	log.Info().Int("pairs", *pairs).Int("msgs", *msgs).Msg("starting soak test")
	start := time.Now()

	var sent, received atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(*baseURL, verifier, pairID, *msgs, &sent, &received)
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", sent.Load()).
		Int64("received", received.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("soak test complete")
	if sent.Load() != received.Load() {
		log.Fatal().Msg("sent and received counts diverge: messages lost or duplicated")
	}
}

func runPair(baseURL string, verifier *identity.Verifier, pairID, msgs int, sent, received *atomic.Int64) {
	idA := fmt.Sprintf("soak-%d-a", pairID)
	idB := fmt.Sprintf("soak-%d-b", pairID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go runSide(ctx, &wg, baseURL, verifier, idA, idB, msgs, sent, received)
	go runSide(ctx, &wg, baseURL, verifier, idB, idA, msgs, sent, received)
	wg.Wait()
}

func runSide(ctx context.Context, wg *sync.WaitGroup, baseURL string, verifier *identity.Verifier, self, peer string, msgs int, sent, received *atomic.Int64) {
	defer wg.Done()

	token, err := verifier.Sign(self, time.Hour)
	if err != nil {
		return
	}

	want := int64(msgs)
	done := make(chan struct{})
	var got atomic.Int64

	c := client.New(client.Config{BaseURL: baseURL, Token: token}, client.Events{
		OnMessage: func(m *messaging.Message) {
			if m.SenderID == self {
				return
			}
			received.Add(1)
			if got.Add(1) == want {
				close(done)
			}
		},
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.Run(runCtx)

	for i := 0; i < msgs; i++ {
		c.Send(ctx, messaging.SendRequest{
			RecipientID: peer,
			Content:     fmt.Sprintf("soak message %d from %s", i, self),
		})
		time.Sleep(10 * time.Millisecond)
	}

	sent.Add(int64(msgs))

	select {
	case <-done:
	case <-ctx.Done():
	}
}
