package audio

import (
	"math"
)

// Int16ToFloat32 将 PCM int16 样本转换为 [-1.0, 1.0] 范围的 float32。
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// BytesToInt16 将小端字节切片转换为 int16 样本。
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

// BytesToFloat32 便捷函数：将原始 PCM 字节直接转换为 float32。
func BytesToFloat32(b []byte) []float32 {
	return Int16ToFloat32(BytesToInt16(b))
}

// StereoToMono 将交错的立体声 float32 样本平均为单声道。
func StereoToMono(in []float32) []float32 {
	n := len(in) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = (in[2*i] + in[2*i+1]) / 2
	}
	return out
}

// DownmixStereo16 将 16 位交错立体声 PCM 字节平均为 16 位单声道 PCM 字节。
// 末尾不足一帧的字节被忽略。
func DownmixStereo16(b []byte) []byte {
	frames := len(b) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		left := int32(int16(b[i*4]) | int16(b[i*4+1])<<8)
		right := int32(int16(b[i*4+2]) | int16(b[i*4+3])<<8)
		m := int16((left + right) / 2)
		out[2*i] = byte(m)
		out[2*i+1] = byte(m >> 8)
	}
	return out
}
