// Package session defines the poll session entity and its lifecycle.
//
// A [Session] is a reservation of one remote metric source. It starts in
// [StatusInvalid], becomes [StatusStartable] once its target is known, and
// moves to [StatusStarted] exactly once, when a scheduler begins polling it.
package session
