package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/notnview/query"
)

const notFound = "NOT FOUND"

// KeyMismatch describes a key whose value differs across hosts.
type KeyMismatch struct {
	Key      string
	HostData map[string]string // host -> checksum or "NOT FOUND"
}

// VerifyResult holds verification results.
type VerifyResult struct {
	Status         map[string]query.Status // host -> readiness report
	DigestsMatch   bool
	SampledKeys    int
	MatchedKeys    int
	MismatchedKeys int
	Mismatches     []KeyMismatch // first N mismatches with details
}

// Verifier compares replicas through their query endpoints. Replicas fed by
// the same log converge, so ready nodes must report equal digests and equal
// values for every key.
type Verifier struct {
	client  *http.Client
	hosts   []string
	prefix  string
	keys    int
	samples int
}

func NewVerifier(hosts []string, prefix string, keys, samples int, timeout time.Duration) *Verifier {
	return &Verifier{
		client:  &http.Client{Timeout: timeout},
		hosts:   hosts,
		prefix:  prefix,
		keys:    keys,
		samples: samples,
	}
}

// Verify runs the consistency check.
func (v *Verifier) Verify(ctx context.Context, rng *rand.Rand) (*VerifyResult, error) {
	result := &VerifyResult{Status: make(map[string]query.Status)}

	// Step 1: readiness and digest from every host
	for _, host := range v.hosts {
		status, err := v.fetchStatus(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", host, err)
		}
		if !status.Ready {
			return nil, fmt.Errorf("host %s is not ready (state %s)", host, status.State)
		}
		result.Status[host] = status
	}
	result.DigestsMatch = digestsMatch(result.Status)

	// Step 2: compare sampled keys across hosts
	for i := 0; i < v.samples; i++ {
		key := KeyFor(v.prefix, rng.Intn(v.keys)+1)
		data := make(map[string]string, len(v.hosts))
		for _, host := range v.hosts {
			sum, err := v.fetchChecksum(ctx, host, key)
			if err != nil {
				return nil, fmt.Errorf("host %s key %s: %w", host, key, err)
			}
			data[host] = sum
		}

		result.SampledKeys++
		if allEqual(data) {
			result.MatchedKeys++
			continue
		}
		result.MismatchedKeys++
		if len(result.Mismatches) < 10 {
			result.Mismatches = append(result.Mismatches, KeyMismatch{Key: key, HostData: data})
		}
	}

	return result, nil
}

func (v *Verifier) get(ctx context.Context, host, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+path, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func (v *Verifier) fetchStatus(ctx context.Context, host string) (query.Status, error) {
	_, body, err := v.get(ctx, host, "/readyz")
	if err != nil {
		return query.Status{}, err
	}

	var resp struct {
		Data query.Status `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return query.Status{}, fmt.Errorf("invalid readiness response: %w", err)
	}
	return resp.Data, nil
}

// fetchChecksum hashes the looked-up value so results from hosts compare
// without keeping every payload around.
func (v *Verifier) fetchChecksum(ctx context.Context, host, key string) (string, error) {
	code, body, err := v.get(ctx, host, "/notifications/"+key)
	if err != nil {
		return "", err
	}

	switch code {
	case http.StatusOK:
		var resp struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("invalid lookup response: %w", err)
		}
		return strconv.FormatUint(xxhash.Sum64(resp.Data), 16), nil
	case http.StatusNotFound:
		return notFound, nil
	default:
		return "", fmt.Errorf("lookup returned HTTP %d", code)
	}
}

func digestsMatch(status map[string]query.Status) bool {
	digests := make(map[string]string, len(status))
	for host, s := range status {
		digests[host] = s.Digest + "/" + strconv.Itoa(s.Keys)
	}
	return allEqual(digests)
}

func allEqual(values map[string]string) bool {
	var first string
	seen := false
	for _, v := range values {
		if !seen {
			first, seen = v, true
			continue
		}
		if v != first {
			return false
		}
	}
	return true
}

// PrintResult prints the verification summary.
func PrintResult(result *VerifyResult) {
	fmt.Println()
	fmt.Println("Replica status:")
	for host, s := range result.Status {
		fmt.Printf("  %-24s state=%s keys=%d digest=%s\n", host, s.State, s.Keys, s.Digest)
	}
	if result.DigestsMatch {
		fmt.Println("  Digests: MATCH")
	} else {
		fmt.Println("  Digests: MISMATCH")
	}
	fmt.Println()

	fmt.Printf("Sampled keys: %d, matched: %d, mismatched: %d\n",
		result.SampledKeys, result.MatchedKeys, result.MismatchedKeys)
	for _, m := range result.Mismatches {
		fmt.Printf("  %s:\n", m.Key)
		for host, sum := range m.HostData {
			fmt.Printf("    %-24s %s\n", host, sum)
		}
	}
}

func executeVerify(ctx context.Context, cfg *Config) error {
	v := NewVerifier(cfg.HostList(), cfg.Prefix, cfg.Keys, cfg.Samples, cfg.Timeout)
	result, err := v.Verify(ctx, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return err
	}

	PrintResult(result)
	if !result.DigestsMatch || result.MismatchedKeys > 0 {
		return fmt.Errorf("replicas diverged")
	}
	fmt.Println("\nAll replicas consistent")
	return nil
}
