// Command manualtest relays a generated asset between an in-process source and
// a fake resumable destination that drops and truncates chunks, then checks
// the received bytes hash to the original.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jaywantadh/MediaRelay/internal/auth"
	"github.com/jaywantadh/MediaRelay/internal/metadata"
	"github.com/jaywantadh/MediaRelay/internal/transfer"
	"github.com/jaywantadh/MediaRelay/internal/transfer/transfertest"
	"github.com/jaywantadh/MediaRelay/pkg/logging"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func main() {
	size := flag.Int64("size", 20_000_000, "asset size in bytes")
	chunk := flag.Int64("chunk", 8*256*1024, "chunk size in bytes")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logging.InitLogger(*debug)
	if err := run(*size, *chunk); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func run(size, chunk int64) error {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return err
	}
	origHash := sha256Hex(data)
	fmt.Printf("📄 Generated asset: %d bytes\n", size)
	fmt.Printf("🔑 Original SHA256: %s\n", origHash)

	src := transfertest.NewSource(data, "video/mp4")
	srcSrv := src.Start()
	defer srcSrv.Close()

	const token = "manual-test-token"
	dest := transfertest.NewDestination(token, "manual-asset")
	destSrv := dest.Start()
	defer destSrv.Close()

	// a throttled chunk, a lost acknowledgement and a partial write
	dest.Fail(
		transfertest.Fault{Status: http.StatusTooManyRequests},
		transfertest.Fault{Status: http.StatusServiceUnavailable, Keep: -1},
		transfertest.Fault{Status: http.StatusPermanentRedirect, Keep: chunk / 3},
	)

	store, err := metadata.OpenInMemory()
	if err != nil {
		return fmt.Errorf("metadata store init failed: %w", err)
	}
	defer store.Close()

	opts := transfer.DefaultOptions()
	opts.ChunkSize = chunk
	opts.InitialBackoff = 50 * time.Millisecond
	opts.MaxBackoff = 500 * time.Millisecond

	engine, err := transfer.NewEngine(
		transfer.NewSource(nil),
		transfer.NewClient(destSrv.URL+transfertest.SessionPath, nil, auth.StaticToken(token)),
		opts,
		transfer.WithRecordStore(store),
	)
	if err != nil {
		return err
	}

	res, err := engine.Transfer(context.Background(), srcSrv.URL+"/asset.mp4", map[string]any{
		"snippet": map[string]string{"title": "manual test"},
	})
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	engine.Tracker().PrintProgress(os.Stdout, res.TransferID)

	gotHash := sha256Hex(dest.Received(0))
	fmt.Printf("🔑 Received SHA256: %s\n", gotHash)
	fmt.Printf("📦 %d data PUTs, %d status probes\n", len(dest.Uploads()), dest.Count(transfertest.Request.Probe))
	if gotHash != origHash {
		return fmt.Errorf("hash mismatch")
	}
	fmt.Printf("✅ Asset %s relayed intact in %s\n", res.AssetID, res.Elapsed.Round(time.Millisecond))
	return nil
}
