// Package server implements the local HTTP control API of the rehearsal
// daemon. A UI drives navigation, note editing, capture and synthesis
// through it and polls unit views for evaluation results.
package server
