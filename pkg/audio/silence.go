package audio

// IsSilent reports whether pcm carries no signal: it is empty, or every
// sample is exactly zero. Low-level noise is not silence; the provider's own
// voice-activity detection handles that.
func IsSilent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
