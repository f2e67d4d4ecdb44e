// Package manifest defines the declarative build plan.
//
// A plan is an ordered list of steps decoded from a TOML file. Each step is
// exactly one tagged variant: a base image, a system package install, a file
// copy, a shell command, a working directory change, an exposed port
// declaration, or an entrypoint. Steps execute in the exact declared order;
// the builder never reorders them, because later steps depend on filesystem
// state produced by earlier ones.
//
// Example plan:
//
//	[[steps]]
//	from = "docker.io/library/python:3.11-slim"
//
//	[[steps]]
//	packages = ["libpq-dev"]
//
//	[[steps]]
//	copy = "requirements.txt /app/requirements.txt"
//
//	[[steps]]
//	run = "pip install --no-cache-dir -r /app/requirements.txt"
//
//	[[steps]]
//	workdir = "/app"
//
//	[[steps]]
//	copy = ". /app"
//
//	[[steps]]
//	expose = 8000
//
//	[[steps]]
//	entrypoint = ["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"]
package manifest
