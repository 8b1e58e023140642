package media

// IsKeyFrame inspects the first bytes of an encoded video frame. Codecs it
// cannot inspect report false.
func IsKeyFrame(codec Codec, frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	switch codec {
	case CodecVP8:
		// RFC 6386 9.1, bit 0 of the frame tag is 0 for keyframes
		return frame[0]&0x01 == 0
	case CodecVP9:
		// frame_marker(2) profile(2) [reserved(1)] show_existing_frame(1) frame_type(1)
		b := frame[0]
		if b>>6 != 0x2 {
			return false
		}
		profile := (b>>5)&0x01 | (b>>3)&0x02
		shift := uint(3)
		if profile == 3 {
			shift = 2
		}
		showExisting := (b >> shift) & 0x01
		frameType := (b >> (shift - 1)) & 0x01
		return showExisting == 0 && frameType == 0
	default:
		return false
	}
}
