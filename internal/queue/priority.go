// Copyright 2025 James Ross
package queue

import "encoding/json"

// dynamicPriority computes a priority for jobs whose caller did not set
// one: a per-type base, a discount for premium owners, and a penalty for
// oversized payloads.
func dynamicPriority(j *Job) int {
	base := 10
	switch j.Type {
	case "email-notification":
		base = 8
	case "data-processing":
		base = 12
	case "ai-computation":
		base = 15
	case "batch-operation":
		base = 5
	}

	if len(j.Owner) >= len("premium-") && j.Owner[:len("premium-")] == "premium-" {
		base -= 3
	}

	if size := payloadSize(j.Payload); size > 10_000 {
		base += 5
	} else if size > 5_000 {
		base += 2
	}

	return clampPriority(base)
}

func payloadSize(payload any) int {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	return len(b)
}

// resolvePriority returns j.Priority clamped to [1,100] if the caller set
// one, otherwise computes the dynamic priority. Only the zero value means
// "unset" — an explicit out-of-range value (negative, or above 100) is
// still an explicit value and gets clamped rather than silently replaced
// by the dynamic formula.
func resolvePriority(j *Job) int {
	if j.Priority != 0 {
		return clampPriority(j.Priority)
	}
	return dynamicPriority(j)
}
