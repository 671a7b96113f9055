// Package vad measures the loudness of live capture blocks and classifies
// each block as voiced or silent by its RMS energy. The capture session uses
// it to report an input level while recording and the share of voiced
// blocks once a recording is finished.
package vad
