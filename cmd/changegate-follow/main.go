package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// changegate-follow tails a changegate server's filtered feed from the
// command line, printing one line per change. It long-polls so a quiet
// feed costs one open request, not a request per interval.

type changeRow struct {
	ID      string `json:"id"`
	Seq     int64  `json:"seq"`
	Deleted bool   `json:"deleted,omitempty"`
}

type changesEnvelope struct {
	Results []changeRow `json:"results"`
	LastSeq int64       `json:"last_seq"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func main() {
	baseURL := flag.String("base-url", "http://localhost:8080", "changegate server base URL")
	token := flag.String("token", os.Getenv("CHANGEGATE_TOKEN"), "bearer token")
	since := flag.Int64("since", 0, "sequence to start from")
	interval := flag.Duration("interval", time.Second, "pause between polls after an error")
	limit := flag.Int("limit", 0, "max changes per poll (0 for no bound)")
	once := flag.Bool("once", false, "run a single normal poll and exit")
	flag.Parse()

	if *token == "" {
		log.Fatal("missing bearer token: pass -token or set CHANGEGATE_TOKEN")
	}

	client := &http.Client{}
	cursor := *since
	for {
		envelope, err := poll(client, *baseURL, *token, cursor, *limit, !*once)
		if err != nil {
			if *once {
				log.Fatalf("poll failed: %v", err)
			}
			log.Printf("poll failed, retrying in %s: %v", *interval, err)
			time.Sleep(*interval)
			continue
		}
		for _, row := range envelope.Results {
			if row.Deleted {
				fmt.Printf("%d\t%s\t(deleted)\n", row.Seq, row.ID)
				continue
			}
			fmt.Printf("%d\t%s\n", row.Seq, row.ID)
		}
		if envelope.LastSeq > cursor {
			cursor = envelope.LastSeq
		}
		if *once {
			return
		}
	}
}

func poll(client *http.Client, baseURL, token string, since int64, limit int, longpoll bool) (*changesEnvelope, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if longpoll {
		query.Set("feed", "longpoll")
	}
	req, err := http.NewRequest(http.MethodGet, baseURL+"/changes?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	// Long-poll responses may open with heartbeat newlines before the
	// envelope.
	dec := json.NewDecoder(trimLeadingNewlines(body))
	var envelope changesEnvelope
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding changes envelope: %w", err)
	}
	if envelope.Code != 0 && envelope.Code != http.StatusOK {
		return nil, fmt.Errorf("feed error %d: %s", envelope.Code, envelope.Message)
	}
	return &envelope, nil
}

func trimLeadingNewlines(body []byte) io.Reader {
	return bytes.NewReader(bytes.TrimLeft(body, "\r\n"))
}
