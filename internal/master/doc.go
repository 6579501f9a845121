// Package master implements the coordinator side of the cluster.
//
// Workers register through a one-shot /worker/register call. While that
// call is in flight the coordinator dials the worker back, binds the new
// session with /init, and replays every configured storage factory with
// /init-storage. Only a worker that completes the whole handshake is added
// to the live table, and it is removed as soon as its session closes.
//
// Dispatch serializes a closure and runs it on one live worker via /exec.
package master
