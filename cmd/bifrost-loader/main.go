// bifrost-loader is the bootstrap module injected into target processes.
// Built with -buildmode=c-shared it exports the setup, teardown and
// message entry points the injector drives through remote threads.
package main

func main() {}
