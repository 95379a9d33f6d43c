//go:build ignore

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Manual walkthrough of the streaming edit flow against a running server:
// 1. Create a note over REST
// 2. Open /stream/notes/{id} and read the init frame
// 3. Send a version-guarded patch and read the update frame
// 4. Send the same stale patch again and read the VERSION_MISMATCH error
//
// Run with:
//   BACKEND_URL=ws://localhost:8081 API_KEY=rk_... go run stream_edit_flow.go <note-id>

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: stream_edit_flow.go <note-id>")
		os.Exit(1)
	}
	noteID := os.Args[1]
	backend := getEnv("BACKEND_URL", "ws://localhost:8081")
	apiKey := getEnv("API_KEY", "")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "API_KEY is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/stream/notes/%s?api_key=%s", backend, noteID, apiKey)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var init frame
	if err := wsjson.Read(ctx, conn, &init); err != nil {
		fmt.Fprintf(os.Stderr, "read init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("<- %s %s\n", init.Type, init.Data)

	var state struct {
		Version int `json:"version"`
	}
	json.Unmarshal(init.Data, &state)

	patch := base64.StdEncoding.EncodeToString([]byte(`{"title":"patched from manual flow"}`))
	send := func(version int) {
		msg := map[string]any{
			"type": "patch",
			"data": map[string]any{"version": version, "patch": patch},
		}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			fmt.Fprintf(os.Stderr, "write patch: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("-> patch version=%d\n", version)
	}

	// Fresh patch, then the same stale version again.
	send(state.Version)
	for i := 0; i < 2; i++ {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("<- %s %s\n", f.Type, f.Data)
		if i == 0 {
			send(state.Version) // stale on purpose
		}
	}
}
