package deps

// stdlibModules are the top-level names of the CPython 3.12 standard library.
var stdlibModules = map[string]struct{}{}

func init() {
	for _, m := range []string{
		"__future__", "_thread", "abc", "aifc", "argparse", "array", "ast", "asynchat",
		"asyncio", "asyncore", "atexit", "audioop", "base64", "bdb", "binascii", "bisect",
		"builtins", "bz2", "cProfile", "calendar", "cgi", "cgitb", "chunk", "cmath", "cmd",
		"code", "codecs", "codeop", "collections", "colorsys", "compileall", "concurrent",
		"configparser", "contextlib", "contextvars", "copy", "copyreg", "crypt", "csv",
		"ctypes", "curses", "dataclasses", "datetime", "dbm", "decimal", "difflib", "dis",
		"doctest", "email", "encodings", "ensurepip", "enum", "errno", "faulthandler",
		"fcntl", "filecmp", "fileinput", "fnmatch", "fractions", "ftplib", "functools",
		"gc", "getopt", "getpass", "gettext", "glob", "graphlib", "grp", "gzip", "hashlib",
		"heapq", "hmac", "html", "http", "idlelib", "imaplib", "imghdr", "importlib",
		"inspect", "io", "ipaddress", "itertools", "json", "keyword", "lib2to3", "linecache",
		"locale", "logging", "lzma", "mailbox", "mailcap", "marshal", "math", "mimetypes",
		"mmap", "modulefinder", "msilib", "msvcrt", "multiprocessing", "netrc", "nis",
		"nntplib", "ntpath", "numbers", "opcode", "operator", "optparse", "os",
		"ossaudiodev", "pathlib", "pdb", "pickle", "pickletools", "pipes", "pkgutil",
		"platform", "plistlib", "poplib", "posix", "posixpath", "pprint", "profile",
		"pstats", "pty", "pwd", "py_compile", "pyclbr", "pydoc", "queue", "quopri",
		"random", "re", "readline", "reprlib", "resource", "rlcompleter", "runpy", "sched",
		"secrets", "select", "selectors", "shelve", "shlex", "shutil", "signal", "site",
		"smtplib", "sndhdr", "socket", "socketserver", "spwd", "sqlite3", "sre_compile",
		"sre_constants", "sre_parse", "ssl", "stat", "statistics", "string", "stringprep",
		"struct", "subprocess", "sunau", "symtable", "sys", "sysconfig", "syslog",
		"tabnanny", "tarfile", "telnetlib", "tempfile", "termios", "textwrap", "this",
		"threading", "time", "timeit", "tkinter", "token", "tokenize", "tomllib", "trace",
		"traceback", "tracemalloc", "tty", "turtle", "turtledemo", "types", "typing",
		"unicodedata", "unittest", "urllib", "uu", "uuid", "venv", "warnings", "wave",
		"weakref", "webbrowser", "winreg", "winsound", "wsgiref", "xdrlib", "xml",
		"xmlrpc", "zipapp", "zipfile", "zipimport", "zlib", "zoneinfo",
	} {
		stdlibModules[m] = struct{}{}
	}
}

// IsStdlib reports whether mod is a standard library top-level module.
func IsStdlib(mod string) bool {
	_, ok := stdlibModules[mod]
	return ok
}
