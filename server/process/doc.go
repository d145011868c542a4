/*
Package process bridges the stderr of local commands into a writer, typically a server.Broadcaster.

Each command is spawned with stdin and stdout inherited from the calling process, so the commands still show their regular output in the terminal they were started from. Only stderr is forwarded. Chunks are written in the order they are read from the pipe, one Write per read, and nothing is buffered or batched.

Exit codes are not forwarded. Processes are reaped in the background, and their exit is logged at debug level.
*/
package process
