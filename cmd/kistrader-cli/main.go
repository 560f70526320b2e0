package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/pkg/kistrader"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kistrader-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                          Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  portfolio                        Show cash, equity, and positions\n")
		fmt.Fprintf(os.Stderr, "  orders [status]                  List orders, optionally by status\n")
		fmt.Fprintf(os.Stderr, "  order <id>                       Show one order with its history\n")
		fmt.Fprintf(os.Stderr, "  cancel <id> [reason]             Cancel an open order\n")
		fmt.Fprintf(os.Stderr, "  buy <symbol> <qty> [stop] [take] Submit a buy signal\n")
		fmt.Fprintf(os.Stderr, "  sell <symbol> <qty>              Submit a sell signal\n")
		fmt.Fprintf(os.Stderr, "  stops <symbol> <stop> <take>     Update a position's stop levels\n")
		fmt.Fprintf(os.Stderr, "  drift                            List uncleared drift conditions\n")
		fmt.Fprintf(os.Stderr, "  drift-clear <id>                 Clear a drift condition\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  KISTRADER_URL  Server base URL (default http://localhost:8080)\n\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	baseURL := "http://localhost:8080"
	if u := os.Getenv("KISTRADER_URL"); u != "" {
		baseURL = u
	}
	client := kistrader.NewClient(baseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("kistrader-cli %s\n", version)
	case "portfolio":
		err = showPortfolio(ctx, client)
	case "orders":
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		err = listOrders(ctx, client, status)
	case "order":
		err = showOrder(ctx, client, need(args, 1, "order <id>"))
	case "cancel":
		reason := "cancelled by operator"
		if len(args) > 1 {
			reason = args[1]
		}
		err = cancelOrder(ctx, client, need(args, 1, "cancel <id>"), reason)
	case "buy":
		err = submitSignal(ctx, client, "buy", args)
	case "sell":
		err = submitSignal(ctx, client, "sell", args)
	case "stops":
		err = updateStops(ctx, client, args)
	case "drift":
		err = listDrift(ctx, client)
	case "drift-clear":
		err = clearDrift(ctx, client, need(args, 1, "drift-clear <id>"))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func need(args []string, n int, usage string) string {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: kistrader-cli %s\n", usage)
		os.Exit(1)
	}
	return args[n-1]
}

func showPortfolio(ctx context.Context, c *kistrader.Client) error {
	p, err := c.GetPortfolio(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cash:   %s\nequity: %s\nas of:  %s\n", p.Cash, p.Equity, p.AsOf.Format(time.RFC3339))
	if len(p.Positions) == 0 {
		fmt.Println("no open positions")
		return nil
	}
	fmt.Printf("\n%-10s %8s %12s %12s %12s %12s\n", "SYMBOL", "QTY", "AVG ENTRY", "STOP", "TAKE", "UNREAL P/L")
	for _, pos := range p.Positions {
		fmt.Printf("%-10s %8d %12s %12s %12s %12s\n",
			pos.Symbol, pos.Qty, pos.AvgEntryPrice, pos.StopLoss, pos.TakeProfit, pos.UnrealizedPL)
	}
	return nil
}

func listOrders(ctx context.Context, c *kistrader.Client, status string) error {
	orders, err := c.GetOrders(ctx, status)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("no orders")
		return nil
	}
	fmt.Printf("%-36s %-10s %-4s %8s %8s %-16s\n", "ID", "SYMBOL", "SIDE", "QTY", "FILLED", "STATUS")
	for _, o := range orders {
		fmt.Printf("%-36s %-10s %-4s %8d %8d %-16s\n",
			o.ID, o.Symbol, o.Side, o.Qty, o.FilledQty, o.Status)
	}
	return nil
}

func showOrder(ctx context.Context, c *kistrader.Client, id string) error {
	d, err := c.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	o := d.Order
	fmt.Printf("id:        %s\nsymbol:    %s\nside:      %s\nstatus:    %s\n", o.ID, o.Symbol, o.Side, o.Status)
	fmt.Printf("qty:       %d (filled %d @ %s)\nretries:   %d\nvenue id:  %s\n",
		o.Qty, o.FilledQty, o.AvgFillPrice, o.RetryCount, o.VenueOrderID)
	fmt.Println("\nhistory:")
	for _, h := range d.History {
		from := h.FromStatus
		if from == "" {
			from = "-"
		}
		fmt.Printf("  %s  %s → %s  %s\n", h.At.Format(time.RFC3339), from, h.ToStatus, h.Reason)
	}
	return nil
}

func cancelOrder(ctx context.Context, c *kistrader.Client, id, reason string) error {
	o, err := c.CancelOrder(ctx, id, reason)
	if err != nil {
		return err
	}
	fmt.Printf("order %s: %s\n", o.ID, o.Status)
	return nil
}

func submitSignal(ctx context.Context, c *kistrader.Client, side string, args []string) error {
	symbol := need(args, 1, side+" <symbol> <qty>")
	qty, err := strconv.ParseInt(need(args, 2, side+" <symbol> <qty>"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid qty: %w", err)
	}
	sig := kistrader.Signal{Symbol: symbol, Side: side, Qty: qty}
	if len(args) > 2 {
		if sig.StopLoss, err = decimal.NewFromString(args[2]); err != nil {
			return fmt.Errorf("invalid stop: %w", err)
		}
	}
	if len(args) > 3 {
		if sig.TakeProfit, err = decimal.NewFromString(args[3]); err != nil {
			return fmt.Errorf("invalid take: %w", err)
		}
	}
	id, err := c.SubmitSignal(ctx, sig)
	if err != nil {
		return err
	}
	fmt.Printf("signal accepted: %s\n", id)
	return nil
}

func updateStops(ctx context.Context, c *kistrader.Client, args []string) error {
	symbol := need(args, 1, "stops <symbol> <stop> <take>")
	stop, err := decimal.NewFromString(need(args, 2, "stops <symbol> <stop> <take>"))
	if err != nil {
		return fmt.Errorf("invalid stop: %w", err)
	}
	take, err := decimal.NewFromString(need(args, 3, "stops <symbol> <stop> <take>"))
	if err != nil {
		return fmt.Errorf("invalid take: %w", err)
	}
	pos, err := c.UpdateStops(ctx, symbol, stop, take)
	if err != nil {
		return err
	}
	fmt.Printf("%s: stop %s, take %s\n", pos.Symbol, pos.StopLoss, pos.TakeProfit)
	return nil
}

func listDrift(ctx context.Context, c *kistrader.Client) error {
	conditions, err := c.GetDrift(ctx, false)
	if err != nil {
		return err
	}
	if len(conditions) == 0 {
		fmt.Println("no drift conditions")
		return nil
	}
	fmt.Printf("%-6s %-10s %-10s %12s %12s %12s\n", "ID", "SYMBOL", "KIND", "LOCAL", "VENUE", "DELTA")
	for _, d := range conditions {
		symbol := d.Symbol
		if symbol == "" {
			symbol = "(account)"
		}
		fmt.Printf("%-6d %-10s %-10s %12s %12s %12s\n",
			d.ID, symbol, d.Kind, d.LocalValue, d.VenueValue, d.Delta)
	}
	return nil
}

func clearDrift(ctx context.Context, c *kistrader.Client, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid drift id: %w", err)
	}
	if err := c.ClearDrift(ctx, id); err != nil {
		return err
	}
	fmt.Printf("drift %d cleared\n", id)
	return nil
}
