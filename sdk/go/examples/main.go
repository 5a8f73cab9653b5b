package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"trustyclaw/sdk/go/trustyclaw"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "TrustyClaw API base URL")
	from := flag.String("from", "renter-wallet", "payer wallet")
	to := flag.String("to", "provider-wallet", "payee wallet")
	amount := flag.String("amount", "5.00", "amount in USD")
	flag.Parse()

	client, err := trustyclaw.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	escrow, err := client.OpenEscrow(ctx, trustyclaw.EscrowRequest{AmountUSD: *amount, From: *from, To: *to, Description: "sdk demo"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("opened escrow %s (intent %s)\n", escrow.ID, escrow.IntentID)

	res, err := client.FundEscrow(ctx, escrow.ID)
	if err != nil {
		log.Fatalf("fund escrow: %v", err)
	}
	fmt.Printf("funded escrow, signature=%s explorer=%s\n", res.Signature, res.ExplorerURL)

	res, err = client.ReleaseEscrow(ctx, escrow.ID, *from, "")
	if err != nil {
		log.Fatalf("release escrow: %v", err)
	}
	fmt.Printf("released escrow, intent status=%s\n", res.Status)
}
