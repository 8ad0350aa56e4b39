package media

import "log/slog"

// KeyFrameFixup repairs streams from encoders that only flag the very first
// IDR frame (the Android emulator's H.264 encoder does this): every
// fps*interval-th data frame is forced to carry FlagKeyFrame. Codec
// configuration frames are passed through and not counted.
type KeyFrameFixup struct {
	period  int64
	counter int64
	logger  *slog.Logger
}

// NewKeyFrameFixup creates a fixup for the given frame rate and key frame
// interval in seconds. Non-positive values are treated as 1.
func NewKeyFrameFixup(fps, keyFrameIntervalSecs int, logger *slog.Logger) *KeyFrameFixup {
	if logger == nil {
		logger = slog.Default()
	}
	if fps <= 0 {
		fps = 1
	}
	if keyFrameIntervalSecs <= 0 {
		keyFrameIntervalSecs = 1
	}
	return &KeyFrameFixup{
		period: int64(fps * keyFrameIntervalSecs),
		logger: logger.With("component", "keyframe_fixup"),
	}
}

// Apply returns f with the key frame flag set where the cadence demands it.
func (k *KeyFrameFixup) Apply(f Frame) Frame {
	if f.IsCodecConfig() {
		return f
	}
	if k.counter%k.period == 0 && !f.IsKey() {
		f.Flags |= FlagKeyFrame
		k.logger.Warn("forcing key frame flag", "counter", k.counter, "size", f.Size(), "pts_us", f.PTS)
	}
	k.counter++
	return f
}
