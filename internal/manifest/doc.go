// Defines the pipeline manifest format and its loader.
//
// A manifest is a YAML document describing one end-to-end packaging run:
// where the application source lives, how to build it, which build outputs
// are artifacts, and how to assemble the runtime image. A minimal manifest
// looks like:
//
//	source:
//	  repository: https://github.com/example/webapp
//	  ref: main
//
//	build:
//	  steps:
//	    - name: install
//	      run: npm install
//	    - name: bundle
//	      run: npm run build
//
//	artifacts:
//	  rules:
//	    - source: build
//	      dest: /app/build
//
//	image:
//	  base: images/node-alpine.tar
//	  entrypoint: node /app/build/index.js
//
// Relative paths in a manifest (base images, version files, output
// directories) resolve against the directory containing the manifest file.
package manifest
