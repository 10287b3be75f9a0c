package provider

// defaultChunkMs is used when the adapter states no chunking preference.
const defaultChunkMs = 20

// ratePreference orders candidate sample rates: richest first so backends
// that accept wideband audio get it, with the 8 kHz wire rate as the floor.
var ratePreference = []int{24000, 16000, 8000}

// formatPreference orders candidate formats. Linear PCM is preferred because
// it avoids a companding generation; μ-law stays available for backends that
// speak telephony natively.
var formatPreference = []Format{FormatPCM16, FormatULaw}

// Constraints narrows profile selection to deployment-pinned values. Zero
// fields leave the corresponding choice to the preference order; a set field
// is a hard requirement, so an adapter that cannot meet it yields no profile.
type Constraints struct {
	Format     Format
	SampleRate int
}

// Empty reports whether no constraint is set.
func (c Constraints) Empty() bool {
	return c.Format == "" && c.SampleRate == 0
}

// SelectProfile deterministically picks the transport profile for a session
// from the intersection of the adapter's capabilities and the deployment
// constraints. Ingress and egress formats are chosen independently, each
// taking the first format and the highest sample rate the adapter supports
// in preference order, unless a constraint pins the choice. ChunkMs follows
// the adapter's preference, defaulting to 20 ms.
//
// Returns ErrNoProfile when either direction has an empty intersection. The
// result is stable for a given capability set and constraints, so the same
// adapter always yields the same profile.
func SelectProfile(caps Capabilities, cons Constraints) (TransportProfile, error) {
	inFmt, ok := pickFormat(caps.SupportedInputFormats, cons.Format)
	if !ok {
		return TransportProfile{}, ErrNoProfile
	}
	outFmt, ok := pickFormat(caps.SupportedOutputFormats, cons.Format)
	if !ok {
		return TransportProfile{}, ErrNoProfile
	}
	rate, ok := pickRate(caps.SupportedSampleRates, cons.SampleRate)
	if !ok {
		return TransportProfile{}, ErrNoProfile
	}

	chunk := caps.PreferredChunkMs
	if chunk <= 0 {
		chunk = defaultChunkMs
	}

	// μ-law is only defined at 8 kHz on the telephony wire. A constraint
	// asking for μ-law at any other rate is unsatisfiable.
	inRate, outRate := rate, rate
	if inFmt == FormatULaw {
		inRate = 8000
	}
	if outFmt == FormatULaw {
		outRate = 8000
	}
	if cons.SampleRate != 0 && cons.SampleRate != 8000 &&
		(inFmt == FormatULaw || outFmt == FormatULaw) {
		return TransportProfile{}, ErrNoProfile
	}

	return TransportProfile{
		IngressFormat:     inFmt,
		IngressSampleRate: inRate,
		EgressFormat:      outFmt,
		EgressSampleRate:  outRate,
		ChunkMs:           chunk,
	}, nil
}

// RequestedProfile materializes the profile the constraints describe, filling
// unconstrained fields from the preference order. Used to report what a
// deployment asked for when no adapter can serve it.
func RequestedProfile(c Constraints) TransportProfile {
	format := c.Format
	if format == "" {
		format = formatPreference[0]
	}
	rate := c.SampleRate
	if rate == 0 {
		rate = ratePreference[0]
	}
	if format == FormatULaw {
		rate = 8000
	}
	return TransportProfile{
		IngressFormat:     format,
		IngressSampleRate: rate,
		EgressFormat:      format,
		EgressSampleRate:  rate,
		ChunkMs:           defaultChunkMs,
	}
}

func pickFormat(supported []Format, want Format) (Format, bool) {
	if want != "" {
		return want, containsFormat(supported, want)
	}
	for _, f := range formatPreference {
		if containsFormat(supported, f) {
			return f, true
		}
	}
	return "", false
}

func pickRate(supported []int, want int) (int, bool) {
	if want != 0 {
		return want, containsRate(supported, want)
	}
	for _, r := range ratePreference {
		if containsRate(supported, r) {
			return r, true
		}
	}
	return 0, false
}
