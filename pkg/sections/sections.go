package sections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	log "github.com/echocat/slf4g"
)

// Section is one preset organizational unit a session can be billed to
type Section struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ErrEmpty is returned when the document lists no section
var ErrEmpty = errors.New("section list is empty")

// Load fetches the preset section list. A t=<unix ms> parameter keeps
// caches from answering. The document is either an array of sections or
// an object mapping ids to names.
func Load(ctx context.Context, client *http.Client, rawURL string) ([]Section, error) {
	if client == nil {
		client = http.DefaultClient
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid section list url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot load section list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cannot load section list: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("cannot read section list: %w", err)
	}

	out, err := Parse(body)
	if err != nil {
		return nil, err
	}
	log.With("url", rawURL).With("sections", len(out)).Debug("Section list loaded.")
	return out, nil
}

// Parse decodes a section list document
func Parse(data []byte) ([]Section, error) {
	var list []Section
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil, ErrEmpty
		}
		for i, s := range list {
			if s.ID == "" {
				return nil, fmt.Errorf("section %d has no id", i)
			}
		}
		return list, nil
	}

	var byID map[string]string
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("cannot decode section list: %w", err)
	}
	if len(byID) == 0 {
		return nil, ErrEmpty
	}

	list = make([]Section, 0, len(byID))
	for id, name := range byID {
		list = append(list, Section{ID: id, Name: name})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}
