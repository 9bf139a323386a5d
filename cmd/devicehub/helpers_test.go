package main

import "net/http"

func httpGet(url string) (int, error) {
	resp, err := http.Get(url) //nolint:gosec,noctx // test-only loopback request
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
