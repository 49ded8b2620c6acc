// Command heapctl runs heap scenarios, steps through them interactively and
// demonstrates array handling by listing the lines of a file.
package main

func main() {
	execute()
}
