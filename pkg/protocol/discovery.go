package protocol

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/pkg/log"
)

const (
	defaultValidationReadings = 5
	defaultTemplateTimeout    = 2 * time.Second
	acceptanceRatio           = 0.6
	weightSanityMin           = -1000.0
	weightSanityMax           = 100000.0
)

// Prober is the minimal send/receive contract Discovery needs from a raw
// transport, satisfied by scaletcp.Client.
type Prober interface {
	Connect(ctx context.Context) bool
	SendAndReceive(ctx context.Context, data []byte, responseTimeout time.Duration) ([]byte, error)
	Disconnect()
}

// DialProber opens a fresh Prober to host:port for one discovery attempt.
type DialProber func(ctx context.Context, host string, port int) Prober

// Discover implements spec.md §4.4: try each catalog template in order,
// running validationReadings attempts of its command list, and accept the
// first template whose valid-attempt ratio clears acceptanceRatio.
func Discover(ctx context.Context, catalog []v1.ProtocolTemplate, dial DialProber, host string, port int) (*v1.ProtocolTemplate, error) {
	for i := range catalog {
		tmpl := catalog[i]
		if ctx.Err() != nil {
			return nil, v1.ErrCancelled
		}

		prober := dial(ctx, host, port)
		if !prober.Connect(ctx) {
			prober.Disconnect()
			continue
		}

		validAttempts, totalAttempts := runValidationAttempts(ctx, prober, tmpl)
		prober.Disconnect()

		if totalAttempts == 0 {
			continue
		}
		if float64(validAttempts)/float64(totalAttempts) >= acceptanceRatio {
			return &tmpl, nil
		}
	}
	return nil, fmt.Errorf("%w: no template matched %s:%d", v1.ErrPatternNoMatch, host, port)
}

func runValidationAttempts(ctx context.Context, prober Prober, tmpl v1.ProtocolTemplate) (valid, total int) {
	perAttemptTimeout := defaultTemplateTimeout / time.Duration(defaultValidationReadings)
	patterns := compilePatterns(tmpl)

	for i := 0; i < defaultValidationReadings; i++ {
		if ctx.Err() != nil {
			return valid, total
		}
		total++
		if attemptValid(ctx, prober, tmpl, patterns, perAttemptTimeout) {
			valid++
		}
	}
	return valid, total
}

type compiledPatterns struct {
	response []*regexp.Regexp
	weight   *regexp.Regexp
}

func compilePatterns(tmpl v1.ProtocolTemplate) compiledPatterns {
	cp := compiledPatterns{weight: mustCompileCI(tmpl.WeightPattern)}
	for _, p := range tmpl.ResponsePatterns {
		cp.response = append(cp.response, mustCompileCI(p))
	}
	return cp
}

func mustCompileCI(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		log.Default.Warnw("invalid protocol pattern, discovery will skip it", "pattern", pattern, "error", err)
		return nil
	}
	return re
}

// attemptValid iterates the template's commands; an attempt succeeds at the
// first command whose response matches a response_pattern or carries a
// sane weight_pattern capture. Per-attempt errors are swallowed (logged at
// debug), matching spec.md §4.4.
func attemptValid(ctx context.Context, prober Prober, tmpl v1.ProtocolTemplate, cp compiledPatterns, timeout time.Duration) bool {
	for _, cmd := range tmpl.Commands {
		if ctx.Err() != nil {
			return false
		}
		frame := append(append([]byte{}, cmd...), '\r', '\n')
		resp, err := prober.SendAndReceive(ctx, frame, timeout)
		if err != nil {
			log.Default.Debugw("discovery attempt failed", "template", tmpl.ID, "error", err)
			continue
		}
		if responseValid(string(resp), cp) {
			return true
		}
	}
	return false
}

func responseValid(resp string, cp compiledPatterns) bool {
	for _, re := range cp.response {
		if re != nil && re.MatchString(resp) {
			return true
		}
	}
	if cp.weight != nil {
		if m := cp.weight.FindStringSubmatch(resp); len(m) >= 2 {
			if w, err := strconv.ParseFloat(m[1], 64); err == nil {
				if w >= weightSanityMin && w <= weightSanityMax {
					return true
				}
			}
		}
	}
	return false
}
