// Package canbus mediates shared access to a single hardware CAN/TWAI
// controller among multiple independent clients.
//
// Some reading material on the problem this package solves:
//   - the controller is mode-locked: its operating mode (listen-only,
//     normal, loopback/no-ack) cannot change while the controller is
//     running, so switching modes means a full stop/uninstall/reinstall
//     cycle;
//   - the driver's receive loop may be invoking a client's callback at the
//     exact instant that client is torn down, so client storage can't be
//     freed out from under an in-flight callback;
//   - any number of clients may register, activate, change mode, or
//     unregister concurrently, and the aggregate of their declared modes
//     is what decides whether the controller runs at all, and in which
//     mode.
//
// A Manager owns one Adapter (the vendor driver, or a software Adapter
// for tests) and derives the controller's target mode purely from the
// counters on its Registry and its loopback flag; callers never drive the
// Adapter directly.
package canbus
